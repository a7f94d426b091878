// Package tgui provides small Telegram UI helpers:
//   - HTML escaping and inline formatting for ParseMode="HTML"
//   - A message builder with sensible defaults and URL buttons
//
// Output is adapter-neutral (transport.SendOptions); the Telegram adapter
// turns buttons into inline keyboards.
package tgui
