// Package ota decides whether the node must update and performs the
// device-initiated pull update: report progress, download the image over
// HTTPS, write it to update storage, commit it and restart.
package ota

import "chimney-node/internal/attributes"

// Manifest names the firmware the broker wants the node to run.
type Manifest struct {
	Title   string
	Version string
}

// UpdateDue reports whether resp names a version other than running.
// The comparison is byte-for-byte: there is no version ordering, so a
// "downgrade" triggers an update too.
func UpdateDue(resp attributes.Response, running string) bool {
	return resp.FirmwareVersion != nil && *resp.FirmwareVersion != running
}

// ManifestFrom extracts the manifest from a handshake response. A missing
// title becomes the empty string.
func ManifestFrom(resp attributes.Response) Manifest {
	var m Manifest
	if resp.FirmwareTitle != nil {
		m.Title = *resp.FirmwareTitle
	}
	if resp.FirmwareVersion != nil {
		m.Version = *resp.FirmwareVersion
	}
	return m
}
