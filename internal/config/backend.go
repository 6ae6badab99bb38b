package config

// ConfigBackend is where non-secret ramble settings live between runs.
// On macOS that is the com.ramble.app defaults domain; elsewhere a JSON
// file under XDG_CONFIG_HOME. Secrets never go through a backend.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
