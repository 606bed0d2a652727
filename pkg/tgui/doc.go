// Package tgui has small helpers for building Telegram HTML messages.
//
// Values of type H are safe to send with ParseMode="HTML": plain strings are
// escaped on the way in.
package tgui
