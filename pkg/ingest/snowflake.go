package ingest

// IsNewer reports whether snowflake id a is strictly newer than b. Ids are
// decimal strings too large to compare as float64, so a longer string is
// newer and equal lengths compare lexicographically. The empty string is
// older than every id.
func IsNewer(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}

// newest returns the newest of ids, or "" for none.
func newest(ids ...string) string {
	var n string
	for _, id := range ids {
		if IsNewer(id, n) {
			n = id
		}
	}
	return n
}

// oldest returns the oldest non-empty id, or "" for none.
func oldest(ids ...string) string {
	var o string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if o == "" || IsNewer(o, id) {
			o = id
		}
	}
	return o
}
