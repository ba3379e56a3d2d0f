// Package monitor provides the radio airplay detection engine.

// The main application entry point is cmd/monitor. The engine is
// organized into subpackages:

// - internal/ingest: HTTP stream ingestion, ICY metadata, PCM chunking
// - internal/dsp: Feature extraction and music/speech classification
// - internal/fingerprint: Content hashing and Chromaprint integration
// - internal/resolver: Track identification cascade and provider clients
// - internal/tracker: Per-station play-duration state machine
// - internal/stats: Detection finalization and aggregate statistics
// - internal/scheduler: Station worker pool and health reporting
// - internal/models: Data models and database schemas
// - internal/database: Database connection and migrations
// - internal/cache: Redis identifier cache
// - internal/events: In-process event bus for engine notifications
// - internal/metrics: Prometheus metrics
// - internal/telemetry: OpenTelemetry tracing
// - internal/config: Environment configuration
// - internal/logger: Structured logging

// See the individual package documentation for detailed reference.
package monitor
