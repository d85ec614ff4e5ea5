// Package config provides configuration loading and validation for the eye
// tracker controller. It handles YAML-based configuration with struct
// validation covering device addressing, discovery, streaming timing, the
// monitor HTTP server and logging.
package config
