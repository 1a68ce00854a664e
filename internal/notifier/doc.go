// Package notifier delivers bot-initiated messages (change alerts, lesson
// reminders, operator alerts) through a bounded queue drained by a small
// worker pool.
//
// Every send passes a shared token bucket so the bot stays under Telegram's
// global limits. Identical notifications inside the dedup window are
// suppressed; with persist_dedup the window survives restarts through the
// user store.
//
// Broadcast runs (evening and morning schedules) use the broadcast
// subpackage, which fans out through the same Sender.
package notifier
