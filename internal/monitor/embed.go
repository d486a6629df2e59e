package monitor

import "embed"

// templates contains the monitor page.
//
//go:embed templates/*
var templates embed.FS
