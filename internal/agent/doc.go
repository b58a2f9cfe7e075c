// Package agent provides built-in proposers for the tick scheduler. The
// substrate treats reasoning as an external concern, so the implementations
// here are deliberately simple: scripted replays for demos and regression
// runs, and a function adapter for embedding custom proposers.
package agent
