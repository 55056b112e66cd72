package board

import (
	"fmt"
	"unicode/utf16"
)

// RoomCode derives the 6-digit share code for a room key: the sum of the
// key's UTF-16 code units, mod 900000, plus 100000. The algorithm is fixed
// for compatibility with existing share codes and has no collision handling.
func RoomCode(roomKey string) string {
	if roomKey == "" {
		return "000000"
	}
	var sum int64
	for _, unit := range utf16.Encode([]rune(roomKey)) {
		sum += int64(unit)
	}
	return fmt.Sprintf("%06d", sum%900000+100000)
}
