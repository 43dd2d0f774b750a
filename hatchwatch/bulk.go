package hatchwatch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Rewrite backfills DiscordUserID on every record whose extracted
// username case-insensitively equals one of the given usernames. The
// whole store is streamed to a temp file in original order - matched
// records re-marshaled with the ID set, everything else byte-for-byte -
// and the temp file atomically replaces the store only if at least one
// record matched. A zero-match run (or any mid-scan failure) leaves the
// original store untouched.
//
// This is the only mutation path besides Append, and must not run
// concurrently with another Rewrite.
func (s *RecordStore) Rewrite(discordUserID string, usernames []string) (int, error) {
	if len(usernames) == 0 {
		return 0, nil
	}
	wanted := make(map[string]struct{}, len(usernames))
	for _, u := range usernames {
		u = strings.ToLower(strings.TrimSpace(u))
		if u != "" {
			wanted[u] = struct{}{}
		}
	}

	src, err := os.Open(s.path)
	if err != nil {
		return 0, fmt.Errorf("error opening record store: %w", err)
	}
	defer func() {
		_ = src.Close()
	}()

	tmpPath := s.path + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("error creating temp store: %w", err)
	}

	discard := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	matched := 0
	w := bufio.NewWriter(tmp)
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		outLine := line
		var rec HatchRecord
		if unmarshalErr := json.Unmarshal(line, &rec); unmarshalErr == nil {
			candidate := strings.ToLower(strings.TrimSpace(rec.Username()))
			if _, ok := wanted[candidate]; ok && candidate != "" {
				rec.DiscordUserID = &discordUserID
				patched, marshalErr := json.Marshal(rec)
				if marshalErr != nil {
					discard()
					return 0, fmt.Errorf("error marshaling patched record: %w", marshalErr)
				}
				outLine = patched
				matched++
			}
		}

		if _, err = w.Write(append(outLine, '\n')); err != nil {
			discard()
			return 0, fmt.Errorf("error writing temp store: %w", err)
		}
	}
	if err = scanner.Err(); err != nil {
		discard()
		return 0, fmt.Errorf("error scanning record store: %w", err)
	}

	if err = w.Flush(); err != nil {
		discard()
		return 0, fmt.Errorf("error flushing temp store: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("error closing temp store: %w", err)
	}

	if matched == 0 {
		_ = os.Remove(tmpPath)
		return 0, nil
	}

	if err = os.Rename(tmpPath, s.path); err != nil {
		return 0, fmt.Errorf("error replacing record store: %w", err)
	}
	s.logger.Info(
		"rewrote record store",
		"matched", matched,
		"discord_user_id", discordUserID,
		"usernames", usernames,
	)
	return matched, nil
}
