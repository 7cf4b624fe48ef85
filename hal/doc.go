// Package hal models the hypermedia resource documents exchanged with a UCWA
// style service.
//
// Every resource is a JSON object that may carry a "_links" map of relation
// name to {"href": ...} and an "_embedded" map of relation name to nested
// resources. Document keeps the decoded JSON as-is and offers accessors for
// the handful of conventions the client relies on:
//
//	doc, _ := hal.Decode(body)
//	if href, ok := doc.Link("applications"); ok {
//	    // create an application
//	}
//	me, _ := doc.Embedded("me")
//	available, _ := me.Link("makeMeAvailable")
//
// Instant message bodies are transmitted as RFC 2397 data URIs; DecodeDataURI
// turns them back into text.
package hal
