// Package audit records who drove the engine through the API.
//
// Every start, pause, resume and stop request is stored with the caller's
// token subject and role, whether the engine accepted it or not. Run
// history lives in the engine's run store; this trail answers the other
// question: who pressed the button.
package audit
