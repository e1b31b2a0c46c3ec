// Package domain contains the core types shared across the unibox backend:
// providers, send requests, entitlements, safety decisions and queued jobs.
//
// These types carry no behavior beyond small pure helpers. Persistence and
// policy live in the service packages; domain stays import-cycle free.
package domain
