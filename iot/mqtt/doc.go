/*Package mqtt provides the broker adapter of the fleet control plane.

The adapter authenticates CONNECT with the self-verifying credentials
issued by bootstrap: the password field carries a credential token, the
broker recomputes the HMAC and needs no credential store. SUBSCRIBE and
PUBLISH are enforced against the device's generated ACL.

Two device publish channels are ingested into the control plane:

	iot/{tenant}/{deviceType}/{device}/shadow/reported
	iot/{tenant}/{deviceType}/{device}/ota/progress

shadow/reported payloads are partial state objects merged into the
device shadow. ota/progress payloads carry a rollout id with the task
status and feed the rollout manager's synchronous stats evaluation.

The broker also implements the MessagePublisher interface used by the
shadow service and the rollout manager for the downstream path.
*/
package mqtt
