// Package compliance implements the per-recipient policy gate: E.164
// validation, opt-out lookup, and consent requirements for marketing
// traffic. Checks are pure functions of (phone, category, opt-out set);
// results may be cached for the duration of one executor pass.
package compliance
