// Package srt feeds live transport streams into the ingest registry over
// SRT, either by accepting publishers (Server) or by dialing a remote
// listener (Caller).
package srt
