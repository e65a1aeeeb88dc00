package utility

import (
	"strconv"

	"github.com/google/uuid"
)

// ToInt converts a meter reading string to an integer, tolerating
// decimal notation sent by some firmwares ("1234.0").
func ToInt(s string) (int, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int(f), true
}

func Contains(array []string, s string) bool {
	for _, v := range array {
		if v == s {
			return true
		}
	}
	return false
}

func NewUUID() string {
	return uuid.New().String()
}
