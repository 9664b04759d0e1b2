// Package pigpt implements a Discord bot that relays user messages to an
// OpenAI chat completion model and returns the generated replies.
//
// Each user gets a small conversation memory which is persisted between
// messages, and requests are rate limited per user.
//
// Key components of the package include:
//
//   - PiGPT: The main struct wiring everything together.
//   - Store: Persisted conversation history, with per-user leases.
//   - RateLimiter: Per-user minimum spacing between requests.
//   - OpenAI: Sends a bounded history to the chat completion API.
//   - ConversationManager: Runs a single conversation turn for a user.
//   - Dispatcher: Per-user workers that admit, queue and run messages.
//   - Discord: Receives messages from the Discord gateway and sends replies.
//   - Relay: HTTP endpoint (POST /process) as an alternate way in.
//
// Messages starting with '?' are answered privately, by direct message.
// Sending "!clear" resets the sender's conversation history.
package pigpt
