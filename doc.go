// Package ctgovloader loads clinical-trial records from the ClinicalTrials.gov
// v2 REST API into a relational database.
//
// A run pulls studies page by page, validates and normalizes each one,
// flattens it into per-table row-groups, and merges those into Postgres or
// SQLite through staging tables. The whole run is one transaction: it either
// commits together with a SUCCESS entry in load_history or rolls back and
// records a FAILURE. Records that fail validation or flattening go to the
// dead-letter queue without stopping the run.
//
// # Architecture
//
//	ClinicalTrials.gov API
//	        │  pkg/extract (pagination) over pkg/clients (HTTP/2, retry, rate limit)
//	        ▼
//	internal/pipeline (run engine: mode, batching, commit/rollback)
//	        │  pkg/transform (validate, normalize dates, flatten, batch)
//	        ▼
//	pkg/storage.Connector ── pkg/storage/postgres (COPY + ON CONFLICT)
//	                     └── pkg/storage/sqlite   (multi-row INSERT + ON CONFLICT)
//
// Full loads truncate the data tables first. Delta loads ask the API only for
// studies updated since the newest successful run in load_history.
//
// # Quick Start
//
//	ctgov-loader init-db --force --connector sqlite
//	ctgov-loader run --load-type full --connector sqlite
//	ctgov-loader status --output yaml
//
// Configuration comes from an optional YAML file (--config), the environment
// and a .env file; see pkg/config.
//
// # Key Packages
//
//	cmd/ctgov-loader       - Command line interface
//	internal/pipeline      - Run engine
//	pkg/extract            - Studies API pagination
//	pkg/clients            - HTTP transport and retry policy
//	pkg/transform          - Validation, date normalization, flattening
//	pkg/storage            - Connector contract, table metadata, merge planning
//	pkg/storage/migrations - Embedded golang-migrate schema per engine
//	pkg/metrics            - Prometheus run metrics and export
//	pkg/observability      - OpenTelemetry tracing
//	pkg/archive            - zstd archive of raw API pages
package ctgovloader
