/*
Package controller converges the set of engine pods in a Kubernetes namespace
toward the set implied by run demand, within a capacity ceiling.

# Settings

The controller reads its settings from a config map (bootstrap, max_engines,
engine_label, node_arch, run_poll, encryption_keys_secret_name, plus engine
image and resource quantities). The parsed snapshot is cached by the config
map's resourceVersion and replaced whole when the version changes.

# Reconciliation

Each cycle:

 1. Lists pods labelled galasa-engine-controller=<engine_label> and all runs.
 2. Deletes pods whose run is gone, terminal, requeued after the pod was
    created, or whose phase is Succeeded or Failed. Pods already
    terminating are left alone.
 3. Computes remaining capacity as max_engines minus surviving pods.
    Terminating pods count as surviving until they leave the list.
 4. Creates pods for automated, non-terminal runs without a pod, oldest
    queue time first, until capacity is used.

Create and delete are idempotent: AlreadyExists and NotFound count as done,
and any other failure on a single pod is logged and left for the next cycle.
The controller keeps no state between cycles besides the settings snapshot,
so several instances can reconcile the same namespace.

Engine pods are built by BuildEnginePod, a pure function of the settings and
the run.
*/
package controller
