// Package tgui has small helpers for Telegram HTML text and inline keyboards.
//
// Values of type H are already escaped and safe to send with ParseMode "HTML".
package tgui
