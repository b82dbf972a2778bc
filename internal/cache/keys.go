package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func RunStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:run:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
