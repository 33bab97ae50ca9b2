/*
Package platform is the composition root for a single AppOS node. It wires
the durable store, the registry, the task queue, the executor, the trigger
scheduler, the credential manager and the audit pipeline into one Platform
value with a Start/Stop lifecycle, so embedders and the CLI never assemble
the engine by hand.
*/
package platform
