package stt

import "github.com/MrWong99/kanan/pkg/types"

// Transcript is re-exported from the types package so that providers and
// consumers can refer to stt.Transcript without an extra import.
type Transcript = types.Transcript
