// Package webhooks keeps Graph change-notification subscriptions alive and
// authenticates the notifications they deliver.
//
// Subscriptions are created on demand only. Renewal extends every active
// subscription close to expiry and deactivates the ones that cannot be
// renewed so operators can see them.
package webhooks
