// Package blueconnect implements a polling bridge for the Blue Connect pool
// monitor cloud API.
//
// # Architecture
//
// The service is structured into several key packages:
//   - api: HTTP client for the remote API and credential validation
//   - scheduler: fixed interval jobs on robfig/cron with an overlap policy
//   - coordinator: fetch with timeout, api-updated signal, health and metrics
//   - dispatcher: named signal bus carrying the fetched snapshot
//   - registry: per-category entity registries keyed by derived ids
//   - entity: battery, pool status and measurement entities
//   - platform: registries grouped as binary_sensor and sensor
//   - sink, database, broker: in-memory states, SQL history, AMQP events
//   - integration: one configured account from setup to unload
//   - grpc, web: health service and HTTP admin surface
//
// Key Features
//
//   - Stable entities:
//     An entity is created the first time its id appears in a snapshot and
//     updated in place afterwards. Ids are pool_id.name for measurements,
//     serial.battery for the probe and pool_id.feed for the pool status.
//
//   - Single flight polling:
//     A tick is skipped while the previous fetch still runs. Each fetch is
//     bounded by a timeout and failures never stop the schedule.
//
//   - Visible health:
//     Failed fetches degrade the coordinator health, which is served over
//     gRPC health checking, GET /api/health and prometheus.
//
// Example Usage
//
//	blueconnect serve -c config.yaml
//	curl -X POST localhost:8080/api/services/blue_connect/update
//	curl localhost:8080/api/states/P1.temperature
//
// For more information about specific packages, see their respective
// documentation.
package blueconnect
