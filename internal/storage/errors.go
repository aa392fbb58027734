package storage

import "errors"

// Sentinel errors the relational store returns; callers map these onto the
// apierr.Kind taxonomy (§4.A: "No SQL leaks past this boundary").
var (
	ErrNotFound = errors.New("storage: not found")
	ErrConflict = errors.New("storage: conflict")
)
