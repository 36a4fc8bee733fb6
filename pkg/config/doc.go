// Package config loads the immutable process configuration from the
// environment at startup. Components receive the values they need through
// their constructors; nothing reads the environment after Load returns.
package config
