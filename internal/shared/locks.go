package shared

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerationLockKey builds redis keys guarding one Division billing run.
func GenerationLockKey(divisionID uuid.UUID, monthYear string) string {
	return fmt.Sprintf("billing:generation:%s:%s:lock", divisionID, monthYear)
}
