// Package metrics records operational measurements to InfluxDB. Everything
// here is best-effort: the recorder drops points rather than slowing the
// request path, and a nil recorder is a no-op.
package metrics

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"go.uber.org/zap"
)

// Recorder writes measurement points through the non-blocking write API.
type Recorder struct {
	client influxdb2.Client
	write  api.WriteAPI
	log    *zap.Logger
	done   chan struct{}
}

// New connects a recorder. Returns nil when url is empty, which disables
// recording everywhere.
func New(url, token, org, bucket string, log *zap.Logger) *Recorder {
	if url == "" {
		return nil
	}
	client := influxdb2.NewClient(url, token)
	writeAPI := client.WriteAPI(org, bucket)

	r := &Recorder{
		client: client,
		write:  writeAPI,
		log:    log,
		done:   make(chan struct{}),
	}
	go r.drainErrors()
	return r
}

// drainErrors logs asynchronous write failures.
func (r *Recorder) drainErrors() {
	errCh := r.write.Errors()
	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				return
			}
			r.log.Warn("metrics write failed", zap.Error(err))
		case <-r.done:
			return
		}
	}
}

// Heartbeat records one credited heartbeat.
func (r *Recorder) Heartbeat(userID, subsectionID, creditedSeconds int64) {
	if r == nil {
		return
	}
	r.write.WritePoint(influxdb2.NewPoint("study_heartbeat",
		map[string]string{},
		map[string]any{
			"user_id":       userID,
			"subsection_id": subsectionID,
			"credited":      creditedSeconds,
		},
		time.Now()))
}

// AttemptEvent records a test attempt transition.
func (r *Recorder) AttemptEvent(userID, testID int64, status string, score float64) {
	if r == nil {
		return
	}
	r.write.WritePoint(influxdb2.NewPoint("attempt_event",
		map[string]string{"status": status},
		map[string]any{
			"user_id": userID,
			"test_id": testID,
			"score":   score,
		},
		time.Now()))
}

// CleanupPass records one scheduler pass and how many rows it touched.
func (r *Recorder) CleanupPass(pass string, affected int64) {
	if r == nil {
		return
	}
	r.write.WritePoint(influxdb2.NewPoint("cleanup_pass",
		map[string]string{"pass": pass},
		map[string]any{"affected": affected},
		time.Now()))
}

// Close flushes buffered points and stops the error drain.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	close(r.done)
	r.write.Flush()
	r.client.Close()
}
