// Package config loads and watches versioned worker configuration.
//
// A Config is an immutable snapshot identified by VersionTs (Unix
// milliseconds). The controller reconciles subscriptions against the
// snapshot version; Manager polls the file's modification time and
// publishes a new snapshot to subscribers whenever it changes. Snapshots
// always move forward: a reload that does not carry a newer version_ts is
// assigned one past the previous version.
package config
