// Package pmhq is a client for the PMHQ backend's local HTTP API.
//
// The backend accepts JSON calls as POST requests on its root path and
// publishes kernel events as a server-sent event stream on GET. The launcher
// only needs the login slice of that API:
//
//   - loginService.getQRCodePicture triggers a fresh login QR code
//   - nodeIKernelLoginListener/onQRCodeGetPicture carries the QR code
//   - nodeIQQNTWrapperSessionListener/onSessionInitComplete and
//     account_ready signal a completed login
//   - getSelfInfo reports the logged-in account
//
// Monitor ties these together and feeds the results into the supervisor as
// watcher events.
package pmhq
