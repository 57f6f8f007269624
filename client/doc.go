// Package client talks to a database worker over a transport.Port.
//
// A Client correlates requests with responses by id, so any number of
// goroutines can have calls in flight on one worker. The worker still
// answers them one at a time, in the order they arrive.
//
// # Basic Usage
//
//	c := client.New(port)
//	defer c.Close()
//
//	if err := c.WaitReady(ctx); err != nil {
//		log.Fatal(err)
//	}
//	results, err := c.Exec(ctx, "SELECT name FROM users WHERE id = ?", 7)
//
// # Fire and forget
//
// With a Results mailbox, a request can be posted without waiting and its
// response collected later:
//
//	mailbox := client.NewResults()
//	c := client.New(port, client.WithResults(mailbox))
//	id, _ := c.Post(ctx, protocol.Request{Action: protocol.ActionExport})
//	resp, err := mailbox.Wait(ctx, id)
//
// # Error Handling
//
// Errors reported by the worker are returned as *protocol.Error. Once the
// port closes every call fails with ErrClosed:
//
//	var werr *protocol.Error
//	if errors.As(err, &werr) {
//		log.Printf("worker rejected %s: %s", werr.Action, werr.Message)
//	} else if errors.Is(err, client.ErrClosed) {
//		log.Println("worker is gone")
//	}
package client
