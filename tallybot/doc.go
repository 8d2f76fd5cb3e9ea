// Package tallybot implements a Discord bot that polls external counts
// (ex: files stored, GitHub stars) and shows them on Discord.
//
// Each tracked count is handled by a MetricTracker, which polls a JSON
// endpoint on an interval and keeps a rolling history of observed values.
// When the value changes, the tracker renames a voice/text channel to show
// it, updates the bot's "watching" status, and announces any milestones
// that were crossed.
//
// Key components of the package include:
//
//   - TallyBot: Builds and runs everything else.
//   - MetricFetcher: Fetches a value, retrying failed requests and honoring
//     Retry-After on 429 responses.
//   - HistoryStore: Owns a tracker's persisted state (history, last value,
//     achieved milestones), backed by a JSON file or the database.
//   - ChannelRenamer: Renames a channel no more often than Discord allows,
//     widening its interval whenever Discord rate limits a rename.
//   - RateLimiter: Per-user and per-guild token buckets for manual refreshes.
//   - Discord: Slash commands, refresh buttons and presence.
//   - API: Health, prometheus metrics and tracker state over HTTP.
//
// Every tracker gets a slash command (ex: /files) and a "Refresh" button,
// which reply with the current value, the growth rate, and a prediction
// for when the next milestone will be reached.
package tallybot
