// Package config loads and validates loader configuration.
//
// # Sources
//
// Values are resolved in this order, later sources winning:
//
//  1. Default()
//  2. an optional YAML file passed to Load
//  3. environment variables
//
// A .env file in the working directory is loaded by the CLI before Load runs,
// so its variables behave like the real environment.
//
// # Environment Variables
//
// Every key maps to an upper-cased, underscore-separated variable:
//
//	API_BASE_URL             api.base_url
//	API_TIMEOUT              api.timeout (Go duration, e.g. 30s)
//	API_MAX_RETRIES          api.max_retries
//	API_INITIAL_BACKOFF      api.initial_backoff
//	API_BACKOFF_MULTIPLIER   api.backoff_multiplier
//	API_MAX_BACKOFF          api.max_backoff
//	API_PAGE_SIZE            api.page_size
//	API_RATE_LIMIT_PER_SEC   api.rate_limit_per_sec
//	DB_CONNECTOR             db.connector
//	DB_DSN                   db.dsn
//	ETL_BATCH_SIZE           etl.batch_size
//	ETL_ARCHIVE_DIR          etl.archive_dir
//	METRICS_PUSHGATEWAY_URL  metrics.pushgateway_url
//	METRICS_TEXTFILE_PATH    metrics.textfile_path
//	TRACING_ENABLED          tracing.enabled
//	LOG_LEVEL                log_level
//
// # File Format
//
//	api:
//	  base_url: https://clinicaltrials.gov/api/v2
//	  timeout: 30s
//	db:
//	  connector: postgres
//	  dsn: ${DATABASE_URL}
//	etl:
//	  batch_size: 1000
//
// ${VAR} references in the file are replaced with the environment value
// before parsing.
package config
