// Package contest reads the Codeforces contest list, picks the next
// upcoming contest and composes the reminder text.
package contest
