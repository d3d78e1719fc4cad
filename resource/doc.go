// Package resource bounds background work: concurrent index builds, the
// memory those builds hold while training, and the byte rate of backup and
// restore transfers.
//
// A nil *Controller is valid and imposes no limits.
package resource
