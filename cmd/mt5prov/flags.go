package main

import "time"

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	EnvFile    string
}

// RunFlags holds flags for the run command
type RunFlags struct {
	NoWait bool
}

// FetchFlags holds flags for the fetch command
type FetchFlags struct {
	SHA256 string
}

// VerifyFlags holds flags for the verify command
type VerifyFlags struct {
	SHA256 string
}

// HistoryFlags holds flags for the history command
type HistoryFlags struct {
	DSN   string
	Limit int
}

// ValidateFlags holds flags for the validate command
type ValidateFlags struct {
	Host    string
	APIPort int
	VNCPort int
	Ports   []int
	Timeout time.Duration
	Symbol  string
}

// TokenFlags holds flags for the token command
type TokenFlags struct {
	Subject string
	TTL     time.Duration
}
