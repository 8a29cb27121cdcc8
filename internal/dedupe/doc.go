// Package dedupe suppresses repeated events within a time window.
package dedupe
