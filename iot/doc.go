/*Package iot is the fleet control plane.

It contains the credential and ACL policy engine, the device shadow
service, the bootstrap/provisioning protocol service and the OTA rollout
manager, together with their RESTful apis and an embedded MQTT broker
adapter.

The control plane only computes credentials, permissions, configuration
and rollout decisions; enforcement happens in the transport layers, which
can be the embedded broker or an external one. Everything that needs a
message path only requires the MessagePublisher interface.
*/
package iot
