package auth

import "time"

// ResendCooldown returns the wait imposed before the resendCount-th resend.
// Counts past the end of the schedule use its last entry; negative counts
// use the first.
func ResendCooldown(schedule []time.Duration, resendCount int) time.Duration {
	if len(schedule) == 0 {
		return 0
	}
	if resendCount < 0 {
		resendCount = 0
	}
	if resendCount >= len(schedule) {
		resendCount = len(schedule) - 1
	}
	return schedule[resendCount]
}

func (s *Service) ResendCooldown(resendCount int) time.Duration {
	return ResendCooldown(s.policy.ResendCooldowns, resendCount)
}
