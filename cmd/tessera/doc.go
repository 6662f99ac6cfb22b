// Package main hosts the Tessera CLI entrypoint and command graph.
//
// The Cobra-based command tree exposes vault maintenance, CDM resolution,
// the prepare pipeline for a job of track descriptors, the export record,
// and the vault server. It centralizes configuration resolution and logger
// setup so subcommands can focus on output instead of wiring.
//
// Keep this package lean: add new functionality to the internal packages
// first, then surface it through dedicated commands or flags here.
package main
