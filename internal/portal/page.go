package portal

// provisioningPage is the single page served to clients joined to the AP.
const provisioningPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Pool Heater Setup</title>
</head>
<body>
<h1>Pool Heater Wi-Fi Setup</h1>
<form id="wifi">
<label>Network <select id="ssid" name="ssid"></select></label>
<label>Password <input id="password" name="password" type="password"></label>
<button type="submit">Connect</button>
</form>
<p id="result"></p>
<script>
fetch('/api/portal/scan').then(function (r) { return r.json(); }).then(function (body) {
  var sel = document.getElementById('ssid');
  (body.networks || []).forEach(function (n) {
    var opt = document.createElement('option');
    opt.value = n.ssid;
    opt.textContent = n.ssid + ' (' + n.rssi + ' dBm)';
    sel.appendChild(opt);
  });
});
document.getElementById('wifi').addEventListener('submit', function (ev) {
  ev.preventDefault();
  fetch('/api/portal/credentials', {
    method: 'POST',
    headers: {'Content-Type': 'application/json'},
    body: JSON.stringify({
      ssid: document.getElementById('ssid').value,
      password: document.getElementById('password').value
    })
  }).then(function (r) { return r.json(); }).then(function (body) {
    document.getElementById('result').textContent =
      body.accepted ? 'Saved. The heater is joining ' + body.ssid + '.' : body.message;
  });
});
</script>
</body>
</html>
`
