package hatchwatch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

const (
	// defaultScanChunkSize is the read size for the backward tail scan.
	defaultScanChunkSize = 4096

	// maxRecordLineSize bounds a single NDJSON line during forward scans.
	maxRecordLineSize = 1 << 20

	// usernameSearchCutoff caps a username search once records from more
	// than one distinct username have been seen, to bound the cost of
	// the common "latest person" query. Doesn't apply when paginating
	// with an `after` cursor.
	usernameSearchCutoff = 20
)

// HatchRecord is one secret hatch event, stored as a single NDJSON
// line in the record store. Everything except the message ID is
// optional: presence depends on what the announcement embed carried
// and on whether the hatcher's identity has been resolved yet.
type HatchRecord struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`
	ImageURL     string `json:"imageUrl,omitempty"`
	TotalHatched string `json:"totalHatched,omitempty"`
	Rarity       string `json:"rarity,omitempty"`
	HatchedBy    string `json:"hatchedBy,omitempty"`

	// DiscordUserID is set by the correlator when the credit resolves
	// to a linked account. A pointer: historical store lines carry an
	// explicit JSON null from lookups that found no linked account,
	// which must parse as "absent" rather than as an empty ID.
	DiscordUserID *string `json:"discordUserId,omitempty"`
}

// Username returns the extracted roblox username candidate from the
// record's credit text, or "" if none can be extracted.
func (r HatchRecord) Username() string {
	if r.HatchedBy == "" {
		return ""
	}
	return extractUsername(r.HatchedBy)
}

func (r HatchRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", r.ID),
		slog.String("name", r.Name),
		slog.String("hatched_by", r.HatchedBy),
		slog.String("discord_user_id", stringPointerValue(r.DiscordUserID)),
	)
}

// RecordQuery selects records from the store. All retrieval modes
// return results newest-first.
type RecordQuery struct {
	// Num is the maximum number of records returned
	Num int

	// Oldest scans forward from the start of the store instead of
	// backward from the end
	Oldest bool

	// After is an exclusive cursor: records up to and including this ID
	// are skipped (in scan order)
	After string

	// Verified keeps only records with a non-empty credit
	Verified bool

	// Username keeps only records whose extracted username contains
	// this (case-insensitive) substring
	Username string
}

func (q RecordQuery) matches(rec HatchRecord) bool {
	if q.Verified && rec.HatchedBy == "" {
		return false
	}
	if q.Username != "" {
		extracted := strings.ToLower(rec.Username())
		if !strings.Contains(extracted, strings.ToLower(q.Username)) {
			return false
		}
	}
	return true
}

// RecordStore is the append-only NDJSON record store. There is a
// single writer (the watcher, or the exclusive bulk rewrite) and any
// number of readers; appends are a single write call so a crash can
// corrupt at most the final line, and readers swallow unparseable
// lines rather than aborting a scan.
type RecordStore struct {
	path      string
	chunkSize int
	logger    *slog.Logger
}

func NewRecordStore(path string, logger *slog.Logger) *RecordStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordStore{
		path:      path,
		chunkSize: defaultScanChunkSize,
		logger:    logger.With(loggerNameKey, "record_store"),
	}
}

// Path returns the location of the store file.
func (s *RecordStore) Path() string {
	return s.path
}

// Exists reports whether the store file exists yet.
func (s *RecordStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Append writes the record to the end of the store as one NDJSON line.
func (s *RecordStore) Append(rec HatchRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("error marshaling record: %w", err)
	}
	f, err := os.OpenFile(
		s.path,
		os.O_APPEND|os.O_CREATE|os.O_WRONLY,
		0o644,
	)
	if err != nil {
		return fmt.Errorf("error opening record store: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	if _, err = f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("error appending record: %w", err)
	}
	return nil
}

// Query retrieves records per the given query, newest-first. A
// username query always scans forward from the start of the file (the
// extraction-and-match work makes the backward scan pointless); an
// `oldest` query scans forward; everything else is a backward tail
// scan.
func (s *RecordStore) Query(q RecordQuery) ([]HatchRecord, error) {
	if q.Num <= 0 {
		q.Num = defaultQueryNum
	}
	if q.Username != "" {
		return s.usernameSearch(q)
	}
	if q.Oldest {
		return s.forwardScan(q)
	}
	return s.tailScan(q)
}

// tailScan reads the store backward in fixed-size chunks, newest
// records first, carrying an unterminated partial line between chunk
// reads.
func (s *RecordStore) tailScan(q RecordQuery) ([]HatchRecord, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("error opening record store: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("error reading record store size: %w", err)
	}

	pos := info.Size()
	out := make([]HatchRecord, 0, q.Num)
	foundAfter := q.After == ""
	done := false

	// carry holds the (possibly partial) first line of the most
	// recently read chunk, which can only be completed by the chunk
	// before it.
	var carry []byte

	for pos > 0 && !done {
		readLen := int64(s.chunkSize)
		if readLen > pos {
			readLen = pos
		}
		pos -= readLen
		buf := make([]byte, readLen)
		if _, err = f.ReadAt(buf, pos); err != nil {
			return nil, fmt.Errorf("error reading record store: %w", err)
		}
		parts := bytes.Split(append(buf, carry...), []byte{'\n'})
		carry = parts[0]

		for i := len(parts) - 1; i >= 1; i-- {
			line := bytes.TrimSpace(parts[i])
			if len(line) == 0 {
				continue
			}
			var rec HatchRecord
			if unmarshalErr := json.Unmarshal(line, &rec); unmarshalErr != nil {
				continue
			}
			if !foundAfter {
				if rec.ID == q.After {
					foundAfter = true
				}
				continue
			}
			if !q.matches(rec) {
				continue
			}
			out = append(out, rec)
			if len(out) == q.Num {
				done = true
				break
			}
		}
	}

	// the very first line of the file never has a preceding newline, so
	// it's left in carry once the scan reaches the start
	if line := bytes.TrimSpace(carry); len(line) > 0 && foundAfter && len(out) < q.Num {
		var rec HatchRecord
		if unmarshalErr := json.Unmarshal(line, &rec); unmarshalErr == nil && q.matches(rec) {
			out = append(out, rec)
		}
	}

	return out, nil
}

// forwardScan reads the store from the beginning, skipping everything
// up to and including the `after` cursor, and collects up to Num
// matching records. The collected page is returned in reverse so the
// newest of the page comes first.
func (s *RecordStore) forwardScan(q RecordQuery) ([]HatchRecord, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("error opening record store: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	out := make([]HatchRecord, 0, q.Num)
	foundAfter := q.After == ""

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec HatchRecord
		if unmarshalErr := json.Unmarshal(line, &rec); unmarshalErr != nil {
			continue
		}
		if !foundAfter {
			if rec.ID == q.After {
				foundAfter = true
			}
			continue
		}
		if !q.matches(rec) {
			continue
		}
		out = append(out, rec)
		if len(out) == q.Num {
			break
		}
	}
	if err = scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning record store: %w", err)
	}

	reverseRecords(out)
	return out, nil
}

// usernameSearch scans forward collecting records whose extracted
// username matches. When no `after` cursor was given and more than one
// distinct username has been observed, the search stops early once
// usernameSearchCutoff records are collected.
func (s *RecordStore) usernameSearch(q RecordQuery) ([]HatchRecord, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("error opening record store: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var out []HatchRecord
	foundAfter := q.After == ""
	seen := map[string]struct{}{}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec HatchRecord
		if unmarshalErr := json.Unmarshal(line, &rec); unmarshalErr != nil {
			continue
		}
		if !foundAfter {
			if rec.ID == q.After {
				foundAfter = true
			}
			continue
		}
		if !q.matches(rec) {
			continue
		}
		if extracted := strings.ToLower(rec.Username()); extracted != "" {
			seen[extracted] = struct{}{}
		}
		if len(seen) > 1 && q.After == "" {
			if len(out) < usernameSearchCutoff {
				out = append(out, rec)
			}
			if len(out) == usernameSearchCutoff {
				break
			}
		} else {
			out = append(out, rec)
		}
	}
	if err = scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning record store: %w", err)
	}

	reverseRecords(out)
	if len(out) > q.Num {
		out = out[:q.Num]
	}
	return out, nil
}

// ByHatcher scans the whole store for records credited to the given
// discord user, or whose extracted username exactly equals the given
// username (case-insensitive). Results are newest-first. Used by the
// hatch browser command, where pagination wants the full match set up
// front.
func (s *RecordStore) ByHatcher(discordUserID, username string) ([]HatchRecord, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("error opening record store: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var out []HatchRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec HatchRecord
		if unmarshalErr := json.Unmarshal(line, &rec); unmarshalErr != nil {
			continue
		}
		matchesDiscord := discordUserID != "" &&
			rec.DiscordUserID != nil &&
			*rec.DiscordUserID == discordUserID
		matchesUsername := username != "" &&
			strings.EqualFold(rec.Username(), username)
		if matchesDiscord || matchesUsername {
			out = append(out, rec)
		}
	}
	if err = scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning record store: %w", err)
	}

	reverseRecords(out)
	return out, nil
}

func reverseRecords(recs []HatchRecord) {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
}
