package cache

import (
	"fmt"
	"strconv"
)

// Key semantics:
// - viewsKey(docID):       Hash<userId -> last-viewed unix seconds>
// - lastActiveKey(userID): String unix seconds, refreshed on coalesced edits

const (
	keyViewsFmt      = "presence:views:%s"
	keyLastActiveFmt = "presence:lastactive:%d"
)

func viewsKey(docID string) string       { return fmt.Sprintf(keyViewsFmt, docID) }
func lastActiveKey(userID uint64) string { return fmt.Sprintf(keyLastActiveFmt, userID) }
func userField(userID uint64) string     { return strconv.FormatUint(userID, 10) }
func unixValue(secs int64) string        { return strconv.FormatInt(secs, 10) }
