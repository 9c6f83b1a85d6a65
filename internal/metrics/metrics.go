// Package metrics holds the prometheus collectors for the recognition pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesCaptured = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "overwatch", Subsystem: "camera", Name: "frames_captured_total", Help: "Frames successfully read from a camera."},
		[]string{"camera_id"},
	)
	FramesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "overwatch", Subsystem: "camera", Name: "frames_processed_total", Help: "Frames sent to the face engine."},
		[]string{"camera_id"},
	)
	ReadFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "overwatch", Subsystem: "camera", Name: "read_failures_total", Help: "Transient frame read failures."},
		[]string{"camera_id"},
	)
	DetectionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "overwatch", Subsystem: "engine", Name: "detection_failures_total", Help: "Frames whose face detection failed."},
		[]string{"camera_id"},
	)
	FacesDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "overwatch", Subsystem: "engine", Name: "faces_detected_total", Help: "Faces returned by the engine, by match outcome."},
		[]string{"camera_id", "outcome"},
	)
	DetectionsLogged = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "overwatch", Subsystem: "log", Name: "detections_logged_total", Help: "Matches written to the detection log."},
		[]string{"camera_id"},
	)
	EngineLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Namespace: "overwatch", Subsystem: "engine", Name: "detect_seconds", Help: "Face engine round-trip latency.", Buckets: prometheus.ExponentialBuckets(0.005, 2, 10)},
	)
	EngineRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "overwatch", Subsystem: "engine", Name: "restarts_total", Help: "Engine processes killed and respawned."},
	)
	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "overwatch", Subsystem: "pipeline", Name: "active_workers", Help: "Camera workers currently running."},
	)
	RegisteredIdentities = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "overwatch", Subsystem: "identity", Name: "registered", Help: "Identities in the current snapshot."},
	)
)

func init() {
	prometheus.MustRegister(
		FramesCaptured,
		FramesProcessed,
		ReadFailures,
		DetectionFailures,
		FacesDetected,
		DetectionsLogged,
		EngineLatency,
		EngineRestarts,
		ActiveWorkers,
		RegisteredIdentities,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Forget drops the per-camera series of a removed camera.
func Forget(cameraID string) {
	FramesCaptured.DeleteLabelValues(cameraID)
	FramesProcessed.DeleteLabelValues(cameraID)
	ReadFailures.DeleteLabelValues(cameraID)
	DetectionFailures.DeleteLabelValues(cameraID)
	DetectionsLogged.DeleteLabelValues(cameraID)
	FacesDetected.DeletePartialMatch(prometheus.Labels{"camera_id": cameraID})
}
