// Package store implements the Coordinator's external collaborators: the
// privacy policy, friend lookup, notification settings, offline message
// queue and notification recorder.
//
// Memory keeps everything in process and backs tests and single-node
// development. Postgres persists the same data through database/sql and
// lib/pq, with its schema managed by goose. RedisPresence mirrors presence
// transitions into Redis for readers outside this process.
package store
