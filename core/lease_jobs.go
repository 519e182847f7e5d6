// Copyright (c) Custodian Authors
// SPDX-License-Identifier: MPL-2.0

package core

// revocationJob implements fairshare.Job for lease revocation.
// fairshare provides round-robin distribution across queues with a
// worker saturation limit per queue, so one namespace expiring many
// leases cannot starve the others.
type revocationJob struct {
	manager *ExpirationManager
	entry   *ExpiryEntry
	pending *pendingExpiry
}

// Execute implements fairshare.Job.Execute
func (j *revocationJob) Execute() error {
	return j.manager.revokeExpired(j.entry)
}

// OnFailure implements fairshare.Job.OnFailure
func (j *revocationJob) OnFailure(err error) {
	j.manager.handleRevocationFailure(j.entry, j.pending, err)
}
