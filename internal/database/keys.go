package database

import "strings"

// Key prefixes of the local persistent store. Every key is namespaced by
// the normalized email of its owner.
const (
	historyPrefix          = "analysisHistory_"
	profileDraftPrefix     = "businessProfileDraft_"
	profileCompletedPrefix = "profileCompleted_"
	consentPrefix          = "consentGiven_"
	consentTimestampPrefix = "consentTimestamp_"
	streakPrefix           = "streak_"
)

// NormalizeEmail lower-cases and trims an email used as a namespace
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func HistoryKey(email string) string          { return historyPrefix + NormalizeEmail(email) }
func ProfileDraftKey(email string) string     { return profileDraftPrefix + NormalizeEmail(email) }
func ProfileCompletedKey(email string) string { return profileCompletedPrefix + NormalizeEmail(email) }
func ConsentKey(email string) string          { return consentPrefix + NormalizeEmail(email) }
func ConsentTimestampKey(email string) string { return consentTimestampPrefix + NormalizeEmail(email) }
func StreakKey(email string) string           { return streakPrefix + NormalizeEmail(email) }
