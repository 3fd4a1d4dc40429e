// Package governor sizes worker concurrency against host CPU and memory.
//
// The worker ceiling is fixed at construction: half the logical cores, capped
// so that workers at 500MB each use at most half of total memory. At runtime
// OptimalWorkers, ShouldScaleUp, ShouldScaleDown and WithinLimits sample the
// host and compare against the CPU and memory ceilings (50% by default).
//
// Sampling never fails loudly: errors are logged and the governor falls back
// to one worker, no scaling, and "within limits".
package governor
