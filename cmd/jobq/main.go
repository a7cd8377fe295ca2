// Command jobq runs a jobq worker and HTTP producer, and carries the
// queue monitor and load-test tools.
package main

func main() {
	Execute()
}
