// Copyright (c) Custodian Authors
// SPDX-License-Identifier: MPL-2.0

package core

// rotationJob implements fairshare.Job for scheduled rotations. Jobs queue
// by namespace so one namespace with many due rotations cannot starve the
// others.
type rotationJob struct {
	scheduler *RotationScheduler
	entry     *ScheduleEntry
	pending   *pendingRotation
}

// Execute implements fairshare.Job.Execute
func (j *rotationJob) Execute() error {
	return j.scheduler.runScheduled(j.entry)
}

// OnFailure implements fairshare.Job.OnFailure
func (j *rotationJob) OnFailure(err error) {
	j.scheduler.handleRotationFailure(j.entry, j.pending, err)
}
