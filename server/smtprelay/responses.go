package smtprelay

const (
	replyGreeting             = "220 smtp.%s ESMTP"
	replyHello                = "250-smtp.%s"
	replyHelloAuthenticated   = "250 smtp.%s"
	replyAuthMechanisms       = "250 AUTH LOGIN PLAIN"
	replyUsernamePrompt       = "334 VXNlcm5hbWU6" // "Username:"
	replyPasswordPrompt       = "334 UGFzc3dvcmQ6" // "Password:"
	replyEmptyChallenge       = "334 "
	replyAuthSuccess          = "235 2.7.0 Authentication successful"
	replyAuthFailed           = "535 5.7.8 Authentication failed: "
	replyInvalidEncoding      = "501 5.5.2 Invalid AUTH %s encoding"
	replyUnsupportedMechanism = "504 5.5.4 Authentication mechanism not supported"
	replyOK                   = "250 2.1.0 OK"
	replyInvalidCommand       = "501 5.5.4 Invalid %s command"
	replyNotAuthorized        = "554 5.7.1 Sender not authenticated to send email"
	replyStartData            = "354 2.0.0 Start mail input; end with <CRLF>.<CRLF>"
	replySizeExceeded         = "552 5.3.4 Message size exceeds fixed limit"
	replySendFailed           = "554 5.7.1 Error sending email: "
	replyBye                  = "221 2.0.0 Bye"
	replyTimeout              = "421 4.4.2 Connection timed out"
	replyInternalError        = "421 4.3.0 Internal server error"
	replyTooManyConnections   = "421 4.3.2 Too many connections"
	replyLineTooLong          = "500 5.5.2 Line too long"
	replyEncryptionRequired   = "538 5.7.11 Encryption required for requested authentication mechanism"
)
