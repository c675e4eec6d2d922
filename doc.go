// Package framewalk is a frame-aware page observation and action dispatch
// engine built on the Chrome DevTools Protocol.
//
// framewalk connects to a running browser over a CDP websocket, builds a
// merged accessibility-plus-DOM snapshot of a page spanning the main frame,
// same-origin iframes and out-of-process iframes (OOPIFs), and dispatches
// element interactions (clicks, text entry, scrolls) against that snapshot.
//
// Every element in a snapshot is addressed by an EncodedID of the form
// "<frameIndex>-<backendNodeId>". The frame index is assigned in depth-first
// DOM traversal order with the main frame at index 0; the backend node id is
// the per-document DOM identifier reported by the browser. The engine keeps a
// live FrameGraph synchronized from asynchronous CDP events so that an
// EncodedID can be resolved to the correct CDP session, frame and JavaScript
// execution context at action time, recovering through XPath when the
// underlying node has been replaced.
//
// The snapshot's formatted text tree is designed for consumption by a
// language model; FindElement closes the loop by asking a model to pick an
// element and one of the twelve supported action methods for a natural
// language instruction.
package framewalk
