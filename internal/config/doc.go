// Package config loads the JSON configuration of the retoold daemon and
// fills in defaults for every section that the file leaves empty.
package config
