package core

import (
	"github.com/joseph-ayodele/specsheet-validator/constants"
	"github.com/joseph-ayodele/specsheet-validator/internal/common"
)

// NextJobState decides where a failed attempt leaves its job. attempts is the count
// including the attempt that just failed. Kinds that no retry can fix go terminal at once.
func NextJobState(attempts, maxAttempts int, kind common.Kind) constants.JobStatus {
	if !common.Retryable(kind) {
		return constants.JobStatusError
	}
	if attempts >= maxAttempts {
		return constants.JobStatusError
	}
	return constants.JobStatusQueued
}
