/*
Package runtime abstracts the container backend the scheduler
dispatches services to.

The Runtime interface covers the small surface the scheduler needs:
pull an image, create and start a service's container, observe its task
state, and tear it down. The containerd implementation maps containerd
task statuses onto the monitor's state vocabulary (starting, running,
complete, failed, shutdown, rejected, orphaned, remove).
*/
package runtime
