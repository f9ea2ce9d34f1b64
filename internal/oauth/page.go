package oauth

// Confirmation pages shown in the browser after the provider redirects
// back. The window closes itself where the browser allows it.

const successPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Sign-in complete</title>
<style>
  body { font-family: 'Segoe UI', Roboto, sans-serif; background: #f8f9fa; text-align: center; padding-top: 12vh; color: #202124; }
  .card { display: inline-block; background: #fff; border-radius: 8px; padding: 40px 56px; box-shadow: 0 1px 3px rgba(60,64,67,.3); }
  h1 { font-size: 22px; font-weight: 500; }
  p { color: #5f6368; }
</style>
</head>
<body>
<div class="card">
  <h1>Sign-in complete</h1>
  <p>You can close this window and return to Cinephile.</p>
</div>
<script>setTimeout(function () { window.close(); }, 3000);</script>
</body>
</html>`

const failurePage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Sign-in failed</title>
<style>
  body { font-family: 'Segoe UI', Roboto, sans-serif; background: #f8f9fa; text-align: center; padding-top: 12vh; color: #202124; }
  .card { display: inline-block; background: #fff; border-radius: 8px; padding: 40px 56px; box-shadow: 0 1px 3px rgba(60,64,67,.3); }
  h1 { font-size: 22px; font-weight: 500; color: #d93025; }
  p { color: #5f6368; }
</style>
</head>
<body>
<div class="card">
  <h1>Sign-in failed</h1>
  <p>The authorization was not completed. You can close this window and try again from Cinephile.</p>
</div>
</body>
</html>`

// confirmationPage picks the page variant for the parsed callback. The
// success page is shown only for a redirect that echoes the expected state
// and carries a code with no provider error.
func confirmationPage(cb Callback, expectedState string) string {
	if cb.ErrorCode == "" && cb.Code != "" && StatesEqual(expectedState, cb.State) {
		return successPage
	}
	return failurePage
}
