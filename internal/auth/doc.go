// Package auth identifies devices and operators.
//
// Devices present a composite MQTT client id of the form
// group@@@mac[@@@uuid]. The two-part form is accepted on the MAC alone. The
// three-part form must also carry a password equal to
// base64(HMAC-SHA256(signatureKey, clientID + "|" + username)); the username
// is optionally a base64 JSON blob of device user data.
//
// The package also mints the HS256 access tokens used to join media rooms,
// and the operator tokens checked by the admin API. Operator roles map to
// a static permission set.
package auth
