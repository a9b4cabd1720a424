// Package pipeline implements the asset build pipeline: tasks are declared in a Starlark script
// (tasks.star), composed in series and in parallel and executed by the runner. Shell commands run
// on mvdan.cc/sh, pipes stream files through the steps from the transform package.
package pipeline
