// Package proc reconstructs the state of the processes traced inside a
// guest from the events delivered by the instrumentation engine.
//
// proc implements:
// * routing of every event to the handler of its kind
// * per thread call stacks, including returns that were never observed
// * the lifecycle of a traced process, from its entry point to its
//   termination
// * function hooks on the libraries loaded by a process
//
// A TargetGroup owns every traced process of a guest and routes the events
// of the current address space to its Target.
package proc
