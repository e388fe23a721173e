package utils

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// DefaultFilenameLength is the display width used when none is given
const DefaultFilenameLength = 25

// CalculateDataMD5 returns the hex md5 digest of data
func CalculateDataMD5(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// TruncateFilename shortens name to roughly length runes, keeping the extension
// visible. With length 15, "a_very_long_name.jpeg" becomes "a_very_....jpeg".
func TruncateFilename(name string, length int) string {
	if name == "" {
		return ""
	}
	if length <= 0 {
		length = DefaultFilenameLength
	}
	if utf8.RuneCountInString(name) <= length {
		return name
	}

	base, ext := name, ""
	if i := strings.LastIndex(name, "."); i != -1 {
		base, ext = name[:i], name[i:]
	}

	extLen := utf8.RuneCountInString(ext)
	maxBase := length - extLen
	if extLen > 0 {
		maxBase -= 3
	}
	if maxBase <= 0 {
		runes := []rune(name)
		return string(runes[:max(length-3, 0)]) + "..."
	}

	baseRunes := []rune(base)
	if len(baseRunes) > maxBase {
		baseRunes = baseRunes[:maxBase]
	}
	return string(baseRunes) + "..." + ext
}

// Debounce returns a trigger that delays fn until wait has elapsed without
// another trigger. Only the arguments of the last trigger are delivered.
// The returned stop func cancels a pending call.
func Debounce[T any](fn func(T), wait time.Duration) (trigger func(T), stop func()) {
	var (
		mu    sync.Mutex
		timer *time.Timer
	)

	trigger = func(v T) {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(wait, func() { fn(v) })
	}

	stop = func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
			timer = nil
		}
	}

	return trigger, stop
}
